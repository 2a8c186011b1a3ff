package ports

// Dialog asks the operator questions.
type Dialog interface {
	// Confirm asks a yes/no question. It returns false when declined.
	Confirm(title, description string) (bool, error)

	// Password reads a secret without echoing it.
	Password(title string) (string, error)
}
