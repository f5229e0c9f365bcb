package notifier

// TextNotifier is the minimal alert sink. Components depend on it rather
// than on a concrete chat client.
type TextNotifier interface {
	SendText(text string) error
}
