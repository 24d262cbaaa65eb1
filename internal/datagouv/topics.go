package datagouv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"ecospheres/internal/domain"
)

// TopicsPageSize is the page size of topic listings. Listings are expected
// to fit in a single page.
const TopicsPageSize = 100

// ErrTooManyTopics is returned when a universe listing fills a whole page.
var ErrTooManyTopics = errors.New("too many topics")

// Version selects the API generation used for topic writes.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

func topicsPath(v Version) string {
	return fmt.Sprintf("/api/%d/topics/", v)
}

func topicPath(v Version, id string) string {
	return fmt.Sprintf("/api/%d/topics/%s/", v, url.PathEscape(id))
}

// GetTopic fetches a topic by id or slug.
func (c *Client) GetTopic(ctx context.Context, idOrSlug string) (domain.Topic, error) {
	var t domain.Topic
	err := c.Get(ctx, "/api/2/topics/"+url.PathEscape(idOrSlug), nil, &t)
	return t, err
}

// ListTopics returns every topic tagged with tag. It fails with
// ErrTooManyTopics rather than truncating when the listing fills a page.
func (c *Client) ListTopics(ctx context.Context, tag string, includePrivate bool) ([]domain.Topic, error) {
	params := url.Values{}
	params.Set("tag", tag)
	params.Set("page_size", strconv.Itoa(TopicsPageSize))
	if includePrivate {
		params.Set("include_private", "yes")
	}
	var page domain.Page[domain.Topic]
	if err := c.Get(ctx, "/api/2/topics", params, &page); err != nil {
		return nil, err
	}
	if len(page.Data) >= TopicsPageSize {
		return nil, fmt.Errorf("%w: listing for tag %q returned %d items (limit %d)", ErrTooManyTopics, tag, len(page.Data), TopicsPageSize)
	}
	return page.Data, nil
}

// CreateTopic creates a topic and returns the server's representation.
func (c *Client) CreateTopic(ctx context.Context, v Version, payload any) (domain.Topic, error) {
	var t domain.Topic
	err := c.Post(ctx, topicsPath(v), payload, &t)
	return t, err
}

// UpdateTopic fully replaces topic id with payload.
func (c *Client) UpdateTopic(ctx context.Context, v Version, id string, payload any) (domain.Topic, error) {
	var t domain.Topic
	err := c.Put(ctx, topicPath(v, id), payload, &t)
	return t, err
}

// AttachDatasets links datasets to a topic.
func (c *Client) AttachDatasets(ctx context.Context, topicID string, datasetIDs []string) error {
	body := make([]map[string]string, 0, len(datasetIDs))
	for _, id := range datasetIDs {
		body = append(body, map[string]string{"id": id})
	}
	return c.Post(ctx, fmt.Sprintf("/api/2/topics/%s/datasets/", url.PathEscape(topicID)), body, nil)
}

func (c *Client) UserExists(ctx context.Context, id string) (bool, error) {
	return c.Exists(ctx, fmt.Sprintf("/api/1/users/%s/", url.PathEscape(id)))
}

func (c *Client) OrganizationExists(ctx context.Context, id string) (bool, error) {
	return c.Exists(ctx, fmt.Sprintf("/api/1/organization/%s/", url.PathEscape(id)))
}

func (c *Client) DatasetExists(ctx context.Context, id string) (bool, error) {
	return c.Exists(ctx, fmt.Sprintf("/api/2/datasets/%s/", url.PathEscape(id)))
}

// GetDataset fetches the v1 dataset record.
func (c *Client) GetDataset(ctx context.Context, id string) (domain.Dataset, error) {
	var d domain.Dataset
	err := c.Get(ctx, "/api/1/datasets/"+url.PathEscape(id), nil, &d)
	return d, err
}

// FindDataset fetches the v2 dataset record by id or slug.
func (c *Client) FindDataset(ctx context.Context, idOrSlug string) (domain.Dataset, error) {
	var d domain.Dataset
	err := c.Get(ctx, fmt.Sprintf("/api/2/datasets/%s/", url.PathEscape(idOrSlug)), nil, &d)
	return d, err
}
