package probe

// Request identifies one probe to run.
type Request struct {
	ID  string
	URL string
}
