package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

func TestNewSMTPMailer(t *testing.T) {
	_, err := NewSMTPMailer(SMTPConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", m.addr)
	assert.Equal(t, "no-reply@smtp.example.com", m.from)
	assert.Nil(t, m.auth)

	m, err = NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Port: "2525", Username: "u", Password: "p", From: "billing@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:2525", m.addr)
	assert.NotNil(t, m.auth)
}

func TestSMTPMailer_Send(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", From: "billing@example.com"})
	require.NoError(t, err)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	email := billing.Notification{Kind: billing.NotifySubscriptionActivated, To: "u1@example.com", Plan: billing.PlanPro}.Render()
	require.NoError(t, m.Send(context.Background(), email))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "billing@example.com", gotFrom)
	assert.Equal(t, []string{"u1@example.com"}, gotTo)

	msg := string(gotMsg)
	assert.Contains(t, msg, "To: u1@example.com\r\n")
	assert.Contains(t, msg, "Subject: Subscription Activated!\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	assert.True(t, strings.HasSuffix(msg, email.HTML))
}

func TestSMTPMailer_SendError(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com"})
	require.NoError(t, err)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err = m.Send(context.Background(), billing.Email{To: "u1@example.com", Subject: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	assert.Error(t, m.Send(context.Background(), billing.Email{}))
}

func TestSMTPMailer_ContextCancelled(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com"})
	require.NoError(t, err)
	release := make(chan struct{})
	defer close(release)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Send(ctx, billing.Email{To: "u1@example.com"}), context.DeadlineExceeded)
}

func TestLogMailer(t *testing.T) {
	m := &LogMailer{}
	assert.NoError(t, m.Send(context.Background(), billing.Email{To: "u1@example.com"}))
}
