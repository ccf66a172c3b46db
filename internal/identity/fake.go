package identity

// FakeReader is a test double that returns a fixed credential.
type FakeReader struct {
	// Cred is returned while Err is nil.
	Cred Credential

	// Err, if set, is returned by Read
	Err error

	// Reads counts calls to Read
	Reads int
}

// Read returns the configured credential or error.
func (f *FakeReader) Read() (Credential, error) {
	f.Reads++
	if f.Err != nil {
		return Credential{}, f.Err
	}
	return f.Cred, nil
}
