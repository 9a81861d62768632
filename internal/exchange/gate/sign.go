package gate

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gate-rebalance-bot/internal/secrets"
)

// signRequest attaches Gate.io v4 auth headers: an HMAC-SHA512 over the
// method, path, query, hashed body and timestamp.
func signRequest(req *http.Request, creds secrets.Credentials, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	payloadHash := sha512.Sum512(body)
	msg := strings.Join([]string{
		req.Method,
		req.URL.Path,
		req.URL.RawQuery,
		hex.EncodeToString(payloadHash[:]),
		ts,
	}, "\n")
	mac := hmac.New(sha512.New, []byte(creds.Secret))
	mac.Write([]byte(msg))
	req.Header.Set("KEY", creds.Key)
	req.Header.Set("Timestamp", ts)
	req.Header.Set("SIGN", hex.EncodeToString(mac.Sum(nil)))
}
