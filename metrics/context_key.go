package metrics

type contextKey string

func (c contextKey) String() string {
	return "clipforgeContextKey" + string(c)
}

var RetriesKey = contextKey("ClipforgeAPIRetries")
