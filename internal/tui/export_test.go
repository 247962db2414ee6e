package tui

// ValidateUsername exports validateUsername for testing.
func ValidateUsername(name string) (string, error) {
	return validateUsername(name)
}

// TruncateSender exports truncateSender for testing.
func TruncateSender(sender string) string {
	return truncateSender(sender)
}

// RenderTranscript exports renderTranscript for testing.
func RenderTranscript(m Model) string {
	return m.renderTranscript()
}

// StatusLine exports statusLine for testing.
func StatusLine(m Model) string {
	return m.statusLine()
}

// Header exports header for testing.
func Header(m Model) string {
	return m.header()
}

// Next blocks until the bridge delivers a message, as the program's listener
// does.
func Next(b *Bridge) any {
	return b.listen()()
}
