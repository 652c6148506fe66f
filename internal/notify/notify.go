// Package notify delivers conversion progress to the terminal and to Redis subscribers.
package notify

// Notifier receives progress (0-100) and status lines from a running conversion.
type Notifier interface {
	OnProgress(percent int)
	OnStatus(msg string)
}

// Multi fans every call out to each notifier in order.
type Multi []Notifier

func (m Multi) OnProgress(percent int) {
	for _, n := range m {
		n.OnProgress(percent)
	}
}

func (m Multi) OnStatus(msg string) {
	for _, n := range m {
		n.OnStatus(msg)
	}
}
