package mailer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendCodeNoOpWhenDisabled(t *testing.T) {
	m := New(Config{Enabled: false})
	err := m.SendCode(context.Background(), "user@example.com", "123456")
	assert.NoError(t, err)
}

func TestSendCodeRespectsCancelledContext(t *testing.T) {
	m := New(Config{Enabled: true, Host: "smtp.invalid.example", Port: 25, Sender: "noreply@example.com"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.SendCode(ctx, "user@example.com", "123456")
	assert.Error(t, err)
}
