/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# GlacierDB: a versioned table storage core

## Why another table store?

1, every write produces a new immutable version of the table; nothing is updated in place

2, any past version inside a configurable retention window stays queryable - by timestamp, by relative offset, or by the commit that produced it

3, tables and whole databases clone in constant time, sharing partition storage by reference

## Data Model

* Table, a named identity over a history of snapshots. The table record carries the head pointer and the retention markers.

* Snapshot, one immutable version of a table's full row set: an ordered list of partition references plus a commit id and timestamp. Snapshots chain through parent sequences; sequence 0 is the root.

* Partition, an immutable run of encoded rows addressed by the hash of its content. Identical content is stored once however many snapshots or tables reference it.

* Commit, the atomic transition from one head snapshot to the next. A commit only ever adds and removes whole partitions.

* Retention, the per-table time-travel window in days. Behind it lies a fixed recovery window during which dropped state can still be resurrected; past both, the sweep reclaims storage.

## Architecture

A single server owns one rocksdb instance with two column families: partition blobs and metadata (table records, history logs, commit indexes).

The write path is copy-on-write: deletes rewrite their partitions without the removed rows, inserts pack into new partitions, and the resulting delta is committed with a compare-and-swap on the table head. Losers replan and retry; their orphaned partitions are collected by the sweep.

The read path resolves a time selector against the catalog's in-memory timestamp index, pins the resolved snapshot, and streams partitions. Column statistics prune partitions from range scans without loading them.

The retention scheduler runs mark-and-sweep: mark walks every linked history through one consistent engine view, sweep deletes unreferenced partitions older than a grace window.

Endpoints are served via RESTful API.

## Building Blocks

* Rocksdb
* Prometheus
* xxhash

*/

package glacierdb
