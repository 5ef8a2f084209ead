// Package connection resolves MongoDB connection settings and owns the
// lifecycle of live client handles.
package connection

import (
	"net/url"
	"strings"
)

const (
	// PlaceholderURI is used when neither credentials nor a host could be
	// resolved. It never connects; it only keeps resolution total.
	PlaceholderURI = "mongodb+srv://<username>:<password>@cluster0.xxxxxx.mongodb.net/?retryWrites=true&w=majority"

	// DefaultScheme is the scheme used for hosted clusters.
	DefaultScheme = "mongodb+srv"

	// DefaultOptions are appended to every generated URI.
	DefaultOptions = "retryWrites=true&w=majority"
)

// Credentials are only ever present as a complete pair.
type Credentials struct {
	User     string
	Password string
}

// Descriptor describes how to reach one database. It is built once by
// Resolver.Resolve and treated as immutable afterwards.
type Descriptor struct {
	Scheme       string
	Host         string
	DatabaseName string
	Credentials  *Credentials
	Options      url.Values
}

// HasCredentials reports whether a user/password pair was resolved.
func (d Descriptor) HasCredentials() bool {
	return d.Credentials != nil
}

// IsPlaceholder reports whether URI would return PlaceholderURI.
func (d Descriptor) IsPlaceholder() bool {
	return d.Credentials == nil && d.Host == ""
}

// URI builds the connection string: credentialed when a pair is present,
// unauthenticated when only a host is known, the placeholder otherwise.
func (d Descriptor) URI() string {
	if d.IsPlaceholder() {
		return PlaceholderURI
	}
	return d.buildURL(false)
}

// Redacted returns URI with the password masked, for logs.
func (d Descriptor) Redacted() string {
	if d.IsPlaceholder() {
		return PlaceholderURI
	}
	return d.buildURL(true)
}

func (d Descriptor) buildURL(redact bool) string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	host := d.Host
	if host == "" {
		host = placeholderHost
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/",
		RawQuery: d.encodeOptions(),
	}
	if d.Credentials != nil {
		password := d.Credentials.Password
		if redact {
			password = "xxxxx"
		}
		u.User = url.UserPassword(d.Credentials.User, password)
	}
	return u.String()
}

// encodeOptions sorts keys, so generated URIs are deterministic.
func (d Descriptor) encodeOptions() string {
	if len(d.Options) == 0 {
		return DefaultOptions
	}
	return strings.ReplaceAll(d.Options.Encode(), "%2C", ",")
}

const placeholderHost = "cluster0.xxxxxx.mongodb.net"
