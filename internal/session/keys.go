package session

// Store key layout. Every derived stream shares the record's residual TTL so
// an expiring record takes its streams with it.
const (
	indexKey         = "sessions:index"
	totalSessionsKey = "metrics:total_sessions"
)

func recordKey(id string) string   { return "session:" + id }
func messagesKey(id string) string { return "session:messages:" + id }
func logsKey(id string) string     { return "session:logs:" + id }
func contextKey(id string) string  { return "session:context:" + id }

func byWorkerKey(workerID string) string { return "sessions:by-worker:" + workerID }

// ChannelKey is the pub/sub channel carrying a session's chat events.
func ChannelKey(id string) string { return "session:" + id + ":messages" }
