package piapi

// Payment mirrors the processor's payment resource. Amount stays a string
// on the wire; interpretation is up to the caller.
type (
	Payment struct {
		Identifier string         `json:"identifier"`
		Status     string         `json:"status"`
		Amount     string         `json:"amount"`
		Memo       string         `json:"memo"`
		Metadata   map[string]any `json:"metadata,omitempty"`
		From       string         `json:"from"`
		To         string         `json:"to"`
	}
	CreatePaymentRequest struct {
		Amount   string         `json:"amount"`
		Memo     string         `json:"memo"`
		Metadata map[string]any `json:"metadata,omitempty"`
		ToUserID string         `json:"to_user_uid"`
	}
	User struct {
		UID      string `json:"uid"`
		Username string `json:"username"`
	}
)
