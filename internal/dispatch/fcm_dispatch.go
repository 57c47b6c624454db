package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// FCMDispatcher posts JSON to a push gateway using a bearer key.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Notify(ctx context.Context, userID int64, msg Message) error {
	data := map[string]string{
		"type":       msg.Type,
		"booking_id": strconv.FormatInt(msg.BookingID, 10),
	}
	for k, v := range msg.Data {
		data[k] = fmt.Sprint(v)
	}
	body := map[string]any{"message": map[string]any{
		"topic":        "user_" + strconv.FormatInt(userID, 10),
		"notification": map[string]string{"title": msg.Title, "body": msg.Body},
		"data":         data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway: status %d", resp.StatusCode)
	}
	return nil
}
