package stream

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds stream identifiers.
const MaxIdentifierLength = 50

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateIdentifier accepts only [A-Za-z0-9_-]{1,50}. The identifier becomes a
// directory name, so this is the only guard against path traversal.
func ValidateIdentifier(id string) (StreamID, error) {
	if id == "" {
		return "", fmt.Errorf("%w: stream id is required", ErrInvalidIdentifier)
	}
	if len(id) > MaxIdentifierLength || !identifierPattern.MatchString(id) {
		return "", fmt.Errorf("%w: stream id must be alphanumeric (max %d chars)", ErrInvalidIdentifier, MaxIdentifierLength)
	}
	return StreamID(id), nil
}

// ValidateSource accepts rtsp URLs that do not point at this host.
func ValidateSource(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: rtsp url is required", ErrInvalidSource)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url format", ErrInvalidSource)
	}
	if u.Scheme != "rtsp" {
		return nil, fmt.Errorf("%w: only rtsp protocol is allowed", ErrInvalidSource)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidSource)
	}
	if isLocalHost(host) {
		return nil, fmt.Errorf("%w: localhost urls are not allowed", ErrInvalidSource)
	}
	return u, nil
}

func isLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

const shellMetacharacters = ";&|`$(){}[]\\"

var schemePrefix = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)

// Sanitize strips shell metacharacters. Workers are spawned without a shell;
// this only keeps hostile input out of the argument vector and the logs. The
// brackets around an IPv6 host literal are kept.
func Sanitize(raw string) string {
	loc := schemePrefix.FindStringIndex(raw)
	if loc == nil {
		return stripMetacharacters(raw)
	}
	authStart := loc[1]
	authEnd := len(raw)
	if i := strings.IndexAny(raw[authStart:], "/?#"); i >= 0 {
		authEnd = authStart + i
	}
	hostStart := authStart + strings.LastIndex(raw[authStart:authEnd], "@") + 1
	hostPort := raw[hostStart:authEnd]
	if !strings.HasPrefix(hostPort, "[") {
		return stripMetacharacters(raw)
	}
	end := strings.Index(hostPort, "]")
	if end < 0 || net.ParseIP(hostPort[1:end]) == nil {
		return stripMetacharacters(raw)
	}
	return stripMetacharacters(raw[:hostStart]) + hostPort[:end+1] + stripMetacharacters(raw[hostStart+end+1:])
}

func stripMetacharacters(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(shellMetacharacters, r) {
			return -1
		}
		return r
	}, s)
}

// RedactURL hides the password of a credentialed URL. Unparseable input is
// returned with everything after the scheme dropped.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.Index(raw, "://"); i >= 0 {
			return raw[:i+3] + "redacted"
		}
		return "redacted"
	}
	return u.Redacted()
}
