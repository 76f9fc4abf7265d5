package testing

// WithFiles pre-populates the host filesystem. Keys are paths.
func WithFiles(host *MockHost, files map[string]string) {
	for p, content := range files {
		_ = host.FS().WriteFile(p, []byte(content))
	}
}

// WithDirs pre-populates the host filesystem with directories.
func WithDirs(host *MockHost, dirs ...string) {
	for _, d := range dirs {
		_ = host.FS().MkdirAll(d)
	}
}
