package webhook

import (
	"github.com/mediaflux/mailrelay/internal/links"
	"github.com/mediaflux/mailrelay/internal/mailtext"
)

// CustomPayload is the JSON body sent to the customer-configured webhook.
// Field names keep compatibility with the consumer integrations, including
// the legacy dropbox_* aliases.
type CustomPayload struct {
	MicrosoftGraphEmailID  string       `json:"microsoft_graph_email_id"`
	Subject                string       `json:"subject"`
	ReceivedDateTime       string       `json:"receivedDateTime"`
	SenderAddress          string       `json:"sender_address"`
	BodyPreview            string       `json:"bodyPreview"`
	EmailContent           string       `json:"email_content"`
	DeliveryLinks          []links.Link `json:"delivery_links"`
	FirstDirectDownloadURL string       `json:"first_direct_download_url"`
	DropboxURLs            []string     `json:"dropbox_urls"`
	DropboxFirstURL        string       `json:"dropbox_first_url"`
}

// previewLen is how much of the body goes into bodyPreview.
const previewLen = 200

// BuildCustomPayload assembles the customer webhook body for one message.
func BuildCustomPayload(emailID, subject, receivedAt, sender, content string, list []links.Link) CustomPayload {
	p := CustomPayload{
		MicrosoftGraphEmailID:  emailID,
		Subject:                subject,
		ReceivedDateTime:       receivedAt,
		SenderAddress:          sender,
		BodyPreview:            mailtext.Preview(content, previewLen),
		EmailContent:           content,
		DeliveryLinks:          list,
		FirstDirectDownloadURL: links.FirstDirect(list),
		DropboxURLs:            links.DropboxRawURLs(list),
	}
	if len(p.DropboxURLs) > 0 {
		p.DropboxFirstURL = p.DropboxURLs[0]
	}
	return p
}

// MakecomPayload carries the three base fields of the automation-platform
// webhook. Detector-specific extras are merged around them.
type MakecomPayload struct {
	Subject      string `json:"subject"`
	DeliveryTime string `json:"delivery_time"`
	SenderEmail  string `json:"sender_email"`
}

// MergeMakecom flattens base+extra into one JSON object. Extra fields never
// overwrite the three base fields.
func MergeMakecom(base MakecomPayload, extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		out[k] = v
	}
	out["subject"] = base.Subject
	out["delivery_time"] = base.DeliveryTime
	out["sender_email"] = base.SenderEmail
	return out
}
