package cache

import "strconv"

const (
	CounterPrefix = "counter:"
	LogPrefix     = "log:"

	// Sequences live outside both entity prefixes so prefix scans never return them.
	CounterSeqKey = "counter_id_seq"
	LogSeqKey     = "log_id_seq"

	counterAliasPrefix = "counter_alias:"
)

// CounterKey addresses a Counter by its natural key.
func CounterKey(target string) string { return CounterPrefix + target }

// LogKey addresses a LogEntry by its (temporary or durable) id.
func LogKey(id int64) string { return LogPrefix + strconv.FormatInt(id, 10) }

func counterAliasKey(tempID int64) string {
	return counterAliasPrefix + strconv.FormatInt(tempID, 10)
}
