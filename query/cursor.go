package query

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/types"
)

// CursorCodec signs and verifies pagination tokens. A token pins the order
// key, the last row's order value and its id; the HMAC keeps callers from
// steering the cursor into rows they never saw.
type CursorCodec struct {
	secret []byte
}

func NewCursorCodec(secret string) *CursorCodec {
	return &CursorCodec{secret: []byte(secret)}
}

// Encode renders an opaque token for the row after which the next page
// starts.
func (c *CursorCodec) Encode(order storage.Order, orderValue time.Time, id int64) string {
	dir := "asc"
	if order.Desc {
		dir = "desc"
	}
	payload := fmt.Sprintf("%s|%s|%d|%d", order.Key, dir, orderValue.UTC().UnixMilli(), id)
	mac := c.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + mac))
}

// Decode verifies a token and returns the cursor predicate it encodes. The
// token must agree with the request's ordering; a page cannot change sort
// direction midway.
func (c *CursorCodec) Decode(token string, order storage.Order) (storage.CursorAfter, error) {
	fail := func(detail string) (storage.CursorAfter, error) {
		return storage.CursorAfter{}, &types.ParameterError{
			Kind: types.ErrInvalidParameterValue, Parameter: "nextPageToken", Detail: detail,
		}
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fail("not base64url")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 5 {
		return fail("wrong shape")
	}
	payload := strings.Join(parts[:4], "|")
	if !hmac.Equal([]byte(c.sign(payload)), []byte(parts[4])) {
		return fail("signature mismatch")
	}

	key, dir := parts[0], parts[1]
	if key != order.Key || (dir == "desc") != order.Desc {
		return fail("token ordering does not match request")
	}
	millis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return fail("bad order value")
	}
	id, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return fail("bad row id")
	}

	return storage.CursorAfter{
		Order:      order,
		OrderValue: time.UnixMilli(millis).UTC(),
		ID:         id,
	}, nil
}

func (c *CursorCodec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
