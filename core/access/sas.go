// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package access provides the shared access signatures used by devices to
authenticate with the provisioning service and the hub.

A shared access signature (SAS) is a token of the form

  SharedAccessSignature sr={resource}&sig={signature}&se={expiry}&skn={key name}

where the signature is the base64 encoded HMAC-SHA256 of the url-encoded resource
and the expiry (seconds since epoch), separated by a newline. The HMAC key is the
base64 decoded shared access key of the device.

Devices which belong to a group enrollment do not know a key of their own; their
key is derived from the group key with DeriveDeviceKey.
*/
package access

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const sasPrefix = "SharedAccessSignature "

// ErrSignatureExpired is returned by Verify for signatures past their expiry
var ErrSignatureExpired = errors.New("shared access signature expired")

// ErrSignatureMismatch is returned by Verify when the signature was not produced with the given key
var ErrSignatureMismatch = errors.New("shared access signature does not match")

// SharedAccessSignature is a parsed SAS token
type SharedAccessSignature struct {
	Resource  string
	Signature string
	Expiry    time.Time
	KeyName   string
}

// NewSharedAccessSignature signs resource with key. The key must be base64 encoded.
// keyName is optional.
func NewSharedAccessSignature(resource, key, keyName string, expiry time.Time) (*SharedAccessSignature, error) {
	sig, err := sign(resource, key, expiry.Unix())
	if err != nil {
		return nil, err
	}
	return &SharedAccessSignature{
		Resource:  resource,
		Signature: sig,
		Expiry:    time.Unix(expiry.Unix(), 0),
		KeyName:   keyName,
	}, nil
}

func sign(resource, key string, expiry int64) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("shared access key is not base64: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(url.QueryEscape(resource) + "\n" + strconv.FormatInt(expiry, 10)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// String returns the token as it is sent in Authorization headers or as MQTT password
func (s *SharedAccessSignature) String() string {
	v := sasPrefix +
		"sr=" + url.QueryEscape(s.Resource) +
		"&sig=" + url.QueryEscape(s.Signature) +
		"&se=" + strconv.FormatInt(s.Expiry.Unix(), 10)
	if s.KeyName != "" {
		v += "&skn=" + url.QueryEscape(s.KeyName)
	}
	return v
}

// ParseSharedAccessSignature parses a token produced by String
func ParseSharedAccessSignature(token string) (*SharedAccessSignature, error) {
	if !strings.HasPrefix(token, sasPrefix) {
		return nil, errors.New("not a shared access signature")
	}
	values, err := url.ParseQuery(strings.TrimPrefix(token, sasPrefix))
	if err != nil {
		return nil, fmt.Errorf("malformed shared access signature: %w", err)
	}
	s := &SharedAccessSignature{
		Resource:  values.Get("sr"),
		Signature: values.Get("sig"),
		KeyName:   values.Get("skn"),
	}
	if s.Resource == "" || s.Signature == "" {
		return nil, errors.New("shared access signature lacks resource or signature")
	}
	se, err := strconv.ParseInt(values.Get("se"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry in shared access signature: %w", err)
	}
	s.Expiry = time.Unix(se, 0)
	return s, nil
}

// Verify checks that the signature was produced with key and has not expired at now
func (s *SharedAccessSignature) Verify(key string, now time.Time) error {
	expected, err := sign(s.Resource, key, s.Expiry.Unix())
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(s.Signature)) {
		return ErrSignatureMismatch
	}
	if now.After(s.Expiry) {
		return ErrSignatureExpired
	}
	return nil
}

// DeriveDeviceKey computes the device key of registrationID in a group enrollment
// with groupKey. Both keys are base64 encoded.
func DeriveDeviceKey(groupKey, registrationID string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", fmt.Errorf("group key is not base64: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(registrationID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
