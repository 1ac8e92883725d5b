package pipeline

import (
	"encoding/base64"
	"errors"
	"strings"
)

// DecodeBase64Image 支持带 data:image/...;base64, 前缀的字符串
func DecodeBase64Image(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	if b64 == "" {
		return nil, &ClientInputError{Field: "image", Reason: "image is empty"}
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		if data, err2 := base64.RawStdEncoding.DecodeString(b64); err2 == nil {
			return data, nil
		}
		return nil, &ClientInputError{Field: "image", Reason: "invalid base64: " + err.Error()}
	}
	return data, nil
}

// IsClientError reports whether err should be answered as a bad request.
func IsClientError(err error) bool {
	var ce *ClientInputError
	return errors.As(err, &ce)
}
