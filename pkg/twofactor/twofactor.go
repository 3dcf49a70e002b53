// Package twofactor provides the digit-vault encryptor and OTP-channel
// sending abstractions shared by the digit collection subsystem.
package twofactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidCode        = errors.New("twofactor: invalid code")
	ErrExpiredCode        = errors.New("twofactor: code expired")
	ErrTooManyAttempts    = errors.New("twofactor: too many attempts")
	ErrInvalidSecret      = errors.New("twofactor: invalid secret")
	ErrChannelUnavailable = errors.New("twofactor: channel unavailable")
	ErrSendFailed         = errors.New("twofactor: send failed")
	ErrMethodNotSupported = errors.New("twofactor: method not supported")
	ErrEncryptionFailed   = errors.New("twofactor: encryption failed")
	ErrDecryptionFailed   = errors.New("twofactor: decryption failed")
)

// OTPChannel names a delivery channel for a one-time code.
type OTPChannel string

const (
	ChannelSMS   OTPChannel = "sms"
	ChannelEmail OTPChannel = "email"
	ChannelVoice OTPChannel = "voice"
)

// SendRequest describes a single OTP delivery.
type SendRequest struct {
	Channel   OTPChannel
	Recipient string
	Code      string
}

// OTPSender delivers a single-channel OTP.
type OTPSender interface {
	Send(ctx context.Context, req SendRequest) error
}

// CompositeSender routes a SendRequest to the OTPSender registered for
// its Channel, returning ErrChannelUnavailable when none is registered.
type CompositeSender struct {
	mu      sync.RWMutex
	senders map[OTPChannel]OTPSender
}

func NewCompositeSender(senders map[OTPChannel]OTPSender) *CompositeSender {
	if senders == nil {
		senders = make(map[OTPChannel]OTPSender)
	}
	return &CompositeSender{senders: senders}
}

// Register adds or replaces the sender for channel.
func (c *CompositeSender) Register(channel OTPChannel, sender OTPSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders[channel] = sender
}

func (c *CompositeSender) Send(ctx context.Context, req SendRequest) error {
	c.mu.RLock()
	sender, ok := c.senders[req.Channel]
	c.mu.RUnlock()
	if !ok {
		return ErrChannelUnavailable
	}
	return sender.Send(ctx, req)
}

// AuthMethod names how a caller/user authenticated prior to a 2FA check.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodToken    AuthMethod = "token"
	AuthMethodVoiceOTP AuthMethod = "voice_otp"
)

// AuthAttempt records the context a TwoFactorPolicy evaluates.
type AuthAttempt struct {
	UserID            uuid.UUID
	Method            AuthMethod
	IPAddress         string
	UserAgent         string
	Timestamp         time.Time
	SessionID         *uuid.UUID
	DeviceFingerprint string
}

// TwoFactorPolicy decides whether an AuthAttempt must be followed by a
// second factor.
type TwoFactorPolicy interface {
	Requires(ctx context.Context, attempt AuthAttempt) (bool, error)
}
