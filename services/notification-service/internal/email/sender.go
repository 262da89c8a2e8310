// Package email sends booking confirmations and operator alerts over plain
// SMTP. Each message carries the reservation id as a header so a delivery
// found in the relay can be traced back to the booking it belongs to.
package email

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Message is one outbound mail tied to a reservation.
type Message struct {
	To            string
	Subject       string
	Body          string
	ReservationID string
}

type Sender interface {
	Send(msg Message) error
}

// SMTPSender talks unauthenticated SMTP, which is what Mailpit and most
// internal relays expect.
type SMTPSender struct {
	addr string
	from string
}

func NewSMTPSender(host string, port string, from string) *SMTPSender {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	from = strings.TrimSpace(from)
	if from == "" {
		from = "no-reply@washonwheels.local"
	}
	return &SMTPSender{
		addr: fmt.Sprintf("%s:%s", host, port),
		from: from,
	}
}

func (s *SMTPSender) Send(msg Message) error {
	return smtp.SendMail(s.addr, nil, s.from, []string{msg.To}, Encode(s.from, msg))
}

// Encode renders the RFC 5322 message bytes handed to the relay.
func Encode(from string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	if msg.ReservationID != "" {
		fmt.Fprintf(&b, "X-Reservation-Id: %s\r\n", msg.ReservationID)
	}
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
