// Spotify Web API response types, trimmed to the fields the rank
// checker reads. https://developer.spotify.com/documentation/web-api
package spotify

// ExternalURLs holds the public link for a resource.
type ExternalURLs struct {
	Spotify string `json:"spotify"`
}

// Owner identifies the account a playlist belongs to.
type Owner struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Image is one rendition of a playlist cover.
type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type followers struct {
	Total int `json:"total"`
}

type trackRef struct {
	Total int `json:"total"`
}

// PlaylistItem is one row of a playlist search result.
type PlaylistItem struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Owner        Owner        `json:"owner"`
	ExternalURLs ExternalURLs `json:"external_urls"`
	Tracks       trackRef     `json:"tracks"`

	// Placeholder marks padding rows appended when the API returned
	// fewer than the requested result count.
	Placeholder bool `json:"placeholder,omitempty"`
}

type searchResponse struct {
	Playlists struct {
		Items []*PlaylistItem `json:"items"`
		Total int             `json:"total"`
	} `json:"playlists"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type marketsResponse struct {
	Markets []string `json:"markets"`
}

type playlistDetailResponse struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	SnapshotID   string       `json:"snapshot_id"`
	ExternalURLs ExternalURLs `json:"external_urls"`
	Followers    followers    `json:"followers"`
	Tracks       trackRef     `json:"tracks"`
	Owner        Owner        `json:"owner"`
	Images       []Image      `json:"images"`
}

// PlaylistMeta is the flattened metadata snapshot of one playlist.
type PlaylistMeta struct {
	ID          string `json:"playlist_id"`
	Name        string `json:"playlist_name"`
	URL         string `json:"playlist_url"`
	Description string `json:"playlist_description"`
	Owner       string `json:"playlist_owner"`
	ImageURL    string `json:"playlist_image_url"`
	SnapshotID  string `json:"playlist_snapshot_id"`
	Followers   *int   `json:"playlist_followers"`
	SongsCount  *int   `json:"songs_count"`
}
