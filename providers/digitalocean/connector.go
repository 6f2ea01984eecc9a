// Package digitalocean lists droplets through the DigitalOcean v2 API.
package digitalocean

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/types"
)

const (
	defaultBaseURL = "https://api.digitalocean.com"
	pageSize       = 200
)

// Connector lists droplets for one token
type Connector struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// Option configures the connector
type Option func(*Connector)

// WithBaseURL overrides the API root
func WithBaseURL(u string) Option {
	return func(c *Connector) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the base client wrapped by the token transport
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) { c.httpClient = client }
}

// WithClock sets the fetch time source
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// New creates a DigitalOcean connector
func New(opts ...Option) *Connector {
	c := &Connector{baseURL: defaultBaseURL, httpClient: http.DefaultClient, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the provider identifier.
func (c *Connector) Provider() types.Provider {
	return types.ProviderDigitalOcean
}

// RequiredFields returns the mandatory credential keys.
func (c *Connector) RequiredFields() []string {
	return providers.RequiredFields(types.ProviderDigitalOcean)
}

type dropletPage struct {
	Droplets []droplet `json:"droplets"`
	Links    struct {
		Pages struct {
			Next string `json:"next"`
		} `json:"pages"`
	} `json:"links"`
}

type droplet struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	SizeSlug string   `json:"size_slug"`
	Tags     []string `json:"tags"`
	Region   struct {
		Slug string `json:"slug"`
	} `json:"region"`
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
	Image struct {
		Slug         string `json:"slug"`
		Distribution string `json:"distribution"`
	} `json:"image"`
	CreatedAt string `json:"created_at"`
}

// ListInstances follows links.pages.next; any page failure aborts.
func (c *Connector) ListInstances(ctx context.Context, creds providers.Credentials) ([]types.Instance, error) {
	var dc providers.DigitalOceanCredentials
	if err := providers.Decode(types.ProviderDigitalOcean, creds, &dc); err != nil {
		return nil, err
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: dc.Token, TokenType: "Bearer"})
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), src)

	fetchedAt := c.now().UTC()
	next := c.baseURL + "/v2/droplets?per_page=" + strconv.Itoa(pageSize)

	var out []types.Instance
	for next != "" {
		var page dropletPage
		if err := providers.GetJSON(ctx, client, types.ProviderDigitalOcean, next, &page); err != nil {
			return nil, err
		}
		for _, d := range page.Droplets {
			out = append(out, convertDroplet(d, fetchedAt))
		}
		next = page.Links.Pages.Next
	}
	return out, nil
}

func convertDroplet(d droplet, fetchedAt time.Time) types.Instance {
	var publicIP, privateIP string
	for _, n := range d.Networks.V4 {
		switch n.Type {
		case "public":
			if publicIP == "" {
				publicIP = n.IPAddress
			}
		case "private":
			if privateIP == "" {
				privateIP = n.IPAddress
			}
		}
	}

	raw, err := json.Marshal(map[string]string{
		"image":        d.Image.Slug,
		"distribution": d.Image.Distribution,
		"created_at":   d.CreatedAt,
	})
	if err != nil {
		raw = nil
	}

	return types.Instance{
		ID:          uuid.NewString(),
		Provider:    types.ProviderDigitalOcean,
		InstanceID:  strconv.FormatInt(d.ID, 10),
		Region:      d.Region.Slug,
		Name:        d.Name,
		Size:        d.SizeSlug,
		State:       normalizeState(d.Status),
		PublicIP:    publicIP,
		PrivateIP:   privateIP,
		Tags:        parseTags(d.Tags),
		Raw:         raw,
		FirstSeenAt: fetchedAt,
		LastSeenAt:  fetchedAt,
		UpdatedAt:   fetchedAt,
	}
}

// parseTags splits "key:value" on the first colon; bare tags become "true".
func parseTags(tags []string) map[string]string {
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		if k, v, ok := strings.Cut(tag, ":"); ok {
			out[k] = v
			continue
		}
		out[tag] = "true"
	}
	return out
}

func normalizeState(status string) string {
	switch status {
	case "active":
		return types.StateRunning
	case "off":
		return types.StateStopped
	case "new":
		return types.StatePending
	case "archive":
		return types.StateTerminated
	case "":
		return types.StateUnknown
	}
	return status
}
