package automation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nevindra/scout"
)

func TestRunAction(t *testing.T) {
	var gotArgs scout.ComputerArgs
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotArgs); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"output": "clicked"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("secret"))
	res, err := c.Run(context.Background(), scout.ComputerArgs{
		Action:     scout.ActionClick,
		Coordinate: []int{100, 200},
		NumClicks:  1,
		ButtonType: "left",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "clicked" {
		t.Errorf("text = %q", res.Text)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotArgs.Action != scout.ActionClick || gotArgs.Coordinate[0] != 100 {
		t.Errorf("args = %+v", gotArgs)
	}
}

func TestRunScreenshot(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"image": map[string]any{
				"mimeType": "image/png",
				"data":     base64.StdEncoding.EncodeToString(png),
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Run(context.Background(), scout.ComputerArgs{Action: scout.ActionScreenshot})
	if err != nil {
		t.Fatal(err)
	}
	if res.Image == nil {
		t.Fatal("no image returned")
	}
	if res.Image.MimeType != "image/png" || string(res.Image.Data) != string(png) {
		t.Errorf("image = %+v", res.Image)
	}
}

func TestRunEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": "no display attached"}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Run(context.Background(), scout.ComputerArgs{Action: scout.ActionKey})
	if err == nil || err.Error() != "no display attached" {
		t.Errorf("error = %v, want the endpoint's message verbatim", err)
	}
}

func TestRunHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Run(context.Background(), scout.ComputerArgs{Action: scout.ActionWait})
	var httpErr *scout.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want ErrHTTP", err)
	}
	if httpErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d", httpErr.Status)
	}
}
