package credentials

import (
	"fmt"
	"strings"
)

// ConnectionString holds the fields of an Azure storage connection string we care about.
type ConnectionString struct {
	AccountName              string
	AccountKey               string
	BlobEndpoint             string
	EndpointSuffix           string
	DefaultEndpointsProtocol string
}

// ParseConnectionString parses "Key=Value;Key=Value" pairs. Keys match case-insensitively
// and values may themselves contain '=' (base64 padding). AccountName and AccountKey are
// both required.
func ParseConnectionString(raw string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, fmt.Errorf("%w: malformed segment %q", ErrInvalidConnectionString, key)
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "accountname":
			cs.AccountName = value
		case "accountkey":
			cs.AccountKey = value
		case "blobendpoint":
			cs.BlobEndpoint = strings.TrimRight(value, "/")
		case "endpointsuffix":
			cs.EndpointSuffix = value
		case "defaultendpointsprotocol":
			cs.DefaultEndpointsProtocol = strings.ToLower(value)
		}
	}
	if cs.AccountName == "" || cs.AccountKey == "" {
		return ConnectionString{}, fmt.Errorf("%w: AccountName and AccountKey are required", ErrInvalidConnectionString)
	}
	return cs, nil
}

// Endpoint returns the blob service endpoint the connection string points at.
func (cs ConnectionString) Endpoint() string {
	if cs.BlobEndpoint != "" {
		return cs.BlobEndpoint
	}
	protocol := cs.DefaultEndpointsProtocol
	if protocol == "" {
		protocol = "https"
	}
	suffix := cs.EndpointSuffix
	if suffix == "" {
		suffix = "core.windows.net"
	}
	return fmt.Sprintf("%s://%s.blob.%s", protocol, cs.AccountName, suffix)
}
