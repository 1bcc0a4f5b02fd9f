package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTicketTTL is how long a websocket ticket may be used to connect.
const DefaultTicketTTL = 5 * time.Minute

const ticketIssuer = "gophchat"

// ErrInvalidTicket is returned for a malformed, forged or expired ticket.
var ErrInvalidTicket = errors.New("invalid ticket")

// Tickets issues and verifies short-lived HS256 tokens naming a user. A
// certificate-authenticated client can hand one to a transport that cannot
// present the certificate itself; the ticket is only checked at handshake.
type Tickets struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTickets returns a ticket authority keyed by secret. A zero ttl means
// DefaultTicketTTL.
func NewTickets(secret string, ttl time.Duration) *Tickets {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &Tickets{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a ticket for userID.
func (t *Tickets) Issue(userID string) (string, error) {
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    ticketIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return signed, nil
}

// Verify returns the user a valid ticket was issued for.
func (t *Tickets) Verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	},
		jwt.WithIssuer(ticketIssuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidTicket
	}
	return claims.Subject, nil
}

// TicketIdentity accepts a ticket from the Authorization header or the token
// query parameter and records its user in the context. Requests without a
// ticket pass through; an invalid ticket, or one naming a different user than
// the client certificate, is rejected with 401.
func TicketIdentity(t *Tickets) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			user, err := t.Verify(raw)
			if err != nil {
				http.Error(w, "invalid ticket", http.StatusUnauthorized)
				return
			}
			if certUser := GetUserIDFromContext(r.Context()); certUser != "" && certUser != user {
				http.Error(w, "ticket does not match certificate", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), user)))
		})
	}
}

func extractToken(r *http.Request) string {
	if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	// browsers cannot set headers on a websocket handshake
	return r.URL.Query().Get("token")
}
