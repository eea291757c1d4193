// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ticketIssuer mints and verifies short-lived, room-scoped, signed SSE
// tickets (§6's "short-lived SSE tickets ... for browsers that cannot set
// auth headers"). A ticket is `roomID.expiryUnix.signature`, base64url
// encoded and HMAC-SHA256 signed over roomID+expiry with a server secret.
type ticketIssuer struct {
	secret []byte
	ttl    time.Duration
}

func newTicketIssuer(ttl time.Duration) (*ticketIssuer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate ticket secret: %w", err)
	}
	return &ticketIssuer{secret: secret, ttl: ttl}, nil
}

func (t *ticketIssuer) issue(roomID int64) string {
	expiry := time.Now().Add(t.ttl).Unix()
	payload := fmt.Sprintf("%d.%d", roomID, expiry)
	sig := t.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "." + sig))
}

func (t *ticketIssuer) sign(payload string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verify reports whether ticket is valid, unexpired and scoped to roomID.
func (t *ticketIssuer) verify(ticket string, roomID int64) bool {
	raw, err := base64.RawURLEncoding.DecodeString(ticket)
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(raw), ".", 3)
	if len(parts) != 3 {
		return false
	}
	payload := parts[0] + "." + parts[1]
	if subtle.ConstantTimeCompare([]byte(t.sign(payload)), []byte(parts[2])) != 1 {
		return false
	}

	ticketRoomID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ticketRoomID != roomID {
		return false
	}

	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || time.Now().Unix() > expiry {
		return false
	}

	return true
}
