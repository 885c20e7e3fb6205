package processor

// ContinuityOK reports whether an update covering [first, last] follows the
// previous last update id without a hole. A nil prevU means there is no
// baseline yet and always passes.
func ContinuityOK(prevU *int64, first, last int64) bool {
	if prevU == nil {
		return true
	}
	next := *prevU + 1
	return first <= next && next <= last
}
