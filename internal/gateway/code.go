package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Status codes used by the payment gateway in callbacks and responses.
const (
	CodeSuccessful Code = "200"
	CodeFailed     Code = "400"
	CodePending    Code = "411"
	CodeRefunded   Code = "477"
)

// Code is a gateway status code. The gateway sends it as either a JSON
// number or a string, so both decode to the same value.
type Code string

// UnmarshalJSON accepts 200, "200" and null.
func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = Code(n.String())
	return nil
}

// Int returns the numeric value of the code, or 0 if it is not numeric.
func (c Code) Int() int {
	n, err := strconv.Atoi(string(c))
	if err != nil {
		return 0
	}
	return n
}

func (c Code) String() string { return string(c) }
