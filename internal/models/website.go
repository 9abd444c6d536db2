package models

// Website is a customer site that embeds the notification widget. Campaigns
// and the playlist are scoped to one website.
type Website struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}
