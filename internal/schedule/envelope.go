package schedule

// Envelope is the structured result of every management operation.
//
// Result states:
//   - true: the operation was applied
//   - false: the operation failed (comment says why)
//   - null: test mode reported the would-be change without mutating
type Envelope struct {
	Result  *bool          `json:"result"`
	Comment string         `json:"comment"`
	Changes map[string]any `json:"changes,omitempty"`
}

func envOK(comment string) Envelope {
	v := true
	return Envelope{Result: &v, Comment: comment, Changes: map[string]any{}}
}

func envFail(comment string) Envelope {
	v := false
	return Envelope{Result: &v, Comment: comment, Changes: map[string]any{}}
}

// envWould reports a dry-run outcome (test=true): Result stays null.
func envWould(comment string) Envelope {
	return Envelope{Comment: comment, Changes: map[string]any{}}
}
