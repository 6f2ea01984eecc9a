package types

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}

// IntPtr returns a pointer to n
func IntPtr(n int) *int {
	return &n
}
