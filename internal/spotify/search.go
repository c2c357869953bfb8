package spotify

import (
	"context"
	"fmt"
	"net/url"

	"github.com/raysh454/rankscan/internal/metrics"
)

// SearchPlaylists runs one playlist search for a keyword in a market and
// returns up to cfg.ResultsLimit ranked rows. When the API returns fewer
// usable rows the tail is padded with placeholder entries so ranks are
// always 1..ResultsLimit.
func (c *Client) SearchPlaylists(ctx context.Context, ex *Exec, keyword, market string) ([]PlaylistItem, int, error) {
	params := url.Values{
		"q":      {keyword},
		"type":   {"playlist"},
		"market": {market},
		// Over-fetch: the API interleaves null rows for region-blocked
		// playlists, so 35 raw rows reliably yield 20 usable ones.
		"limit":  {"35"},
		"offset": {"0"},
	}

	var sr searchResponse
	endpoint := c.cfg.APIBaseURL + "/search?" + params.Encode()
	if err := c.getJSON(ctx, ex, endpoint, metrics.EndpointSearch, &sr); err != nil {
		return nil, 0, err
	}

	items := make([]PlaylistItem, 0, c.cfg.ResultsLimit)
	seen := make(map[string]struct{})
	for _, item := range sr.Playlists.Items {
		if item == nil {
			continue
		}
		if item.ID != "" {
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
		}
		items = append(items, *item)
		if len(items) >= c.cfg.ResultsLimit {
			break
		}
	}

	actual := len(items)
	for len(items) < c.cfg.ResultsLimit {
		items = append(items, PlaylistItem{Name: "N/A", Placeholder: true})
	}
	return items, actual, nil
}

// PlaylistMetadata fetches the flattened metadata snapshot for one
// playlist.
func (c *Client) PlaylistMetadata(ctx context.Context, ex *Exec, playlistID string) (*PlaylistMeta, error) {
	params := url.Values{
		"fields": {"name,external_urls.spotify,followers.total,tracks.total,description,images,snapshot_id,owner.display_name,owner.id"},
	}
	endpoint := fmt.Sprintf("%s/playlists/%s?%s", c.cfg.APIBaseURL, playlistID, params.Encode())

	var pd playlistDetailResponse
	if err := c.getJSON(ctx, ex, endpoint, metrics.EndpointPlaylist, &pd); err != nil {
		return nil, err
	}

	meta := &PlaylistMeta{
		ID:          playlistID,
		Name:        pd.Name,
		URL:         pd.ExternalURLs.Spotify,
		Description: pd.Description,
		SnapshotID:  pd.SnapshotID,
		Owner:       pd.Owner.DisplayName,
	}
	if meta.Owner == "" {
		meta.Owner = pd.Owner.ID
	}
	if meta.URL == "" {
		meta.URL = "https://open.spotify.com/playlist/" + playlistID
	}
	if len(pd.Images) > 0 {
		meta.ImageURL = pd.Images[0].URL
	}
	followersTotal := pd.Followers.Total
	meta.Followers = &followersTotal
	tracksTotal := pd.Tracks.Total
	meta.SongsCount = &tracksTotal
	return meta, nil
}

// Markets lists the country codes the API serves.
func (c *Client) Markets(ctx context.Context, ex *Exec) ([]string, error) {
	var mr marketsResponse
	if err := c.getJSON(ctx, ex, c.cfg.APIBaseURL+"/markets", metrics.EndpointMarkets, &mr); err != nil {
		return nil, err
	}
	out := mr.Markets[:0:0]
	for _, m := range mr.Markets {
		if m != "" {
			out = append(out, m)
		}
	}
	return out, nil
}

// ResultsLimit exposes the configured ranked row count per search.
func (c *Client) ResultsLimit() int {
	return c.cfg.ResultsLimit
}
