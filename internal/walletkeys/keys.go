// Package walletkeys derives the idempotency keys and ledger references that
// callers pass to wallet operations.
//
// Keys are deterministic: the same logical operation always yields the same
// key, so a gateway callback delivered twice lands on the same ledger entry
// and the second delivery is a replay.
package walletkeys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/doseal/agentwallet/internal/money"
)

// HashLength is the number of hex characters kept from the payload hash.
const HashLength = 24

// KeyPair is what a wallet operation takes: the idempotency key and a
// human-readable reference recorded on the ledger entry.
type KeyPair struct {
	Idem string `json:"idempotencyKey"`
	Ref  string `json:"reference"`
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9:_\-.]`)

// Sanitize normalizes one key component: trimmed, spaces to hyphens,
// lowercased, and stripped of anything outside [a-zA-Z0-9:_-.].
func Sanitize(part string) string {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(part), " ", "-"))
	return unsafeChars.ReplaceAllString(s, "")
}

// shortHash hashes the canonical JSON form of payload. encoding/json sorts
// map keys and emits no whitespace, and sanitized components never contain
// the characters it would HTML-escape.
func shortHash(payload map[string]string) string {
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:HashLength]
}

// amount renders a caller-supplied amount the way it is hashed. Unparseable
// input hashes as its sanitized text so the function stays total.
func amount(a string) string {
	d, ok := money.Parse(a)
	if !ok {
		return Sanitize(a)
	}
	return money.Format(d)
}

// ForAccountInit keys the zero-amount entry written when an agent account is
// first opened.
func ForAccountInit(businessID, agentID string) KeyPair {
	biz, ag := Sanitize(businessID), Sanitize(agentID)
	return KeyPair{
		Idem: "init0:" + biz + ":" + ag,
		Ref:  "account-init:" + biz + ":" + ag,
	}
}

// ForFunding keys a business-to-agent float credit. Prefer a persisted
// funding request id; without one the key falls back to a hash of the amount,
// which makes two equal top-ups indistinguishable.
func ForFunding(businessID, agentID, fundingRequestID, amt string) KeyPair {
	biz, ag := Sanitize(businessID), Sanitize(agentID)
	if fundingRequestID != "" {
		req := Sanitize(fundingRequestID)
		return KeyPair{
			Idem: "fund:" + biz + ":" + ag + ":" + req,
			Ref:  "funding:" + biz + ":" + ag + ":" + req,
		}
	}
	if amt == "" {
		amt = "0"
	}
	h := shortHash(map[string]string{
		"op":          "fund",
		"business_id": biz,
		"agent_id":    ag,
		"amount":      amount(amt),
	})
	return KeyPair{
		Idem: "fund:" + biz + ":" + ag + ":" + h,
		Ref:  "funding:" + biz + ":" + ag + ":" + h,
	}
}

// ForHold keys the hold placed when a transaction debits an agent's float.
// clientRef is the transaction's internal reference.
func ForHold(businessID, agentID, clientRef, amt string) KeyPair {
	biz, ag, cref := Sanitize(businessID), Sanitize(agentID), Sanitize(clientRef)
	h := shortHash(map[string]string{
		"op":  "hold",
		"biz": biz,
		"ag":  ag,
		"ref": cref,
		"amt": amount(amt),
	})
	return KeyPair{
		Idem: "hold:" + biz + ":" + ag + ":" + cref + ":" + h,
		Ref:  "hold:" + biz + ":" + ag + ":" + cref,
	}
}

func ForCapture(businessID, holdID string) KeyPair {
	biz, hid := Sanitize(businessID), Sanitize(holdID)
	return KeyPair{Idem: "cap:" + biz + ":" + hid, Ref: "capture:" + biz + ":" + hid}
}

func ForRelease(businessID, holdID string) KeyPair {
	biz, hid := Sanitize(businessID), Sanitize(holdID)
	return KeyPair{Idem: "rel:" + biz + ":" + hid, Ref: "release:" + biz + ":" + hid}
}

// ForRefund keys the reversal of a captured hold. A reason, when given, is
// part of the key.
func ForRefund(businessID, holdID, reason string) KeyPair {
	biz, hid := Sanitize(businessID), Sanitize(holdID)
	base := "refund:" + biz + ":" + hid
	if reason != "" {
		base += ":" + Sanitize(reason)
	}
	return KeyPair{Idem: base, Ref: base}
}

// ForExpiry keys the release written by the hold expiry sweeper. It is
// distinct from ForRelease so the ledger shows which path freed the funds.
func ForExpiry(businessID, holdID string) KeyPair {
	biz, hid := Sanitize(businessID), Sanitize(holdID)
	return KeyPair{Idem: "expire:" + biz + ":" + hid, Ref: "expiry:" + biz + ":" + hid}
}

// ForTreasurySeed keys the one-time opening balance of a business treasury.
func ForTreasurySeed(businessID string) KeyPair {
	biz := Sanitize(businessID)
	return KeyPair{Idem: "seed:" + biz, Ref: "treasury-seed:" + biz}
}

// ForTreasuryTopup keys a later credit to a business treasury. topupID is
// chosen by the caller and makes each top-up distinct.
func ForTreasuryTopup(businessID, topupID string) KeyPair {
	biz, tid := Sanitize(businessID), Sanitize(topupID)
	return KeyPair{Idem: "topup:" + biz + ":" + tid, Ref: "treasury-topup:" + biz + ":" + tid}
}
