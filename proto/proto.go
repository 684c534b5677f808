package proto

const (
	ReqIdKey = "req-id"

	// DefaultRetainDays is the time-travel window applied to a table
	// created without an explicit retention policy.
	DefaultRetainDays = 1
	// RecoveryDays is the extended recovery window that follows the
	// retention window before history becomes purgeable.
	RecoveryDays = 7

	MaxRetainDays = 90
)

type (
	TableID     = string
	Sequence    = uint64
	CommitID    = string
	PartitionID = uint64
	SchemaVer   = uint32
)
