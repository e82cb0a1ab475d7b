package redisqueue

type keys struct {
	prefix string
}

func (k keys) ready() string { return k.prefix + ":ready" }
func (k keys) messagePrefix() string { return k.prefix + ":msg:" }
func (k keys) message(id string) string { return k.messagePrefix() + id }
func (k keys) deadLetters() string { return k.prefix + ":dlq" }
func (k keys) pattern() string { return k.prefix + ":*" }
