package smtpclient

import (
	"context"
	"fmt"
)

// OTPMailer adapts Config to the otpauth.Mailer interface so OtpAuth's smtp
// delivery mode can hand off to this package without otpauth importing net.
type OTPMailer struct {
	Cfg  Config
	From string
}

// SendOTP sends a one-time code to email using a synchronous SMTP session.
func (m OTPMailer) SendOTP(ctx context.Context, email, code string) error {
	return Send(m.Cfg, Message{
		From:    m.From,
		To:      email,
		Subject: "Your verification code",
		Body:    fmt.Sprintf("Your one-time verification code is %s. It expires shortly.", code),
	})
}
