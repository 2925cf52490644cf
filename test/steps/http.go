package steps

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cucumber/godog"
)

func (s *StepContext) Authenticate() {
	s.authHeader = "Bearer " + apiToken
}

func (s *StepContext) Get(endpoint string) error {
	return s.send(http.MethodGet, endpoint, "", "")
}

func (s *StepContext) Post(endpoint string, payload *godog.DocString) error {
	return s.send(http.MethodPost, endpoint, payload.Content, "application/json")
}

func (s *StepContext) PostAs(endpoint, contentType string, payload *godog.DocString) error {
	return s.send(http.MethodPost, endpoint, payload.Content, contentType)
}

func (s *StepContext) PostEmpty(endpoint string) error {
	return s.send(http.MethodPost, endpoint, "", "")
}

func (s *StepContext) send(method, endpoint, payload, contentType string) error {
	if s.server == nil {
		return fmt.Errorf("the API is not running")
	}
	var body io.Reader
	if payload != "" {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequest(method, s.server.URL+endpoint, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.authHeader != "" {
		req.Header.Set("Authorization", s.authHeader)
	}
	res, err := s.server.Client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	s.latestStatus = res.StatusCode
	s.latestBody = string(b)
	s.latestHeader = res.Header
	return nil
}

func (s *StepContext) CheckResponseCode(code int) error {
	if s.latestStatus != code {
		return fmt.Errorf("expected HTTP response code %d but got %d. Body: %s", code, s.latestStatus, s.latestBody)
	}
	return nil
}

func (s *StepContext) CheckBodyEquals(expected string) error {
	actual := strings.TrimSpace(s.latestBody)
	if actual != expected {
		return fmt.Errorf("expected a response body of %q but got %q", expected, actual)
	}
	return nil
}

func (s *StepContext) CheckBodyContains(want string) error {
	if !strings.Contains(s.latestBody, want) {
		return fmt.Errorf("expected the response body to contain %q, body: %s", want, s.latestBody)
	}
	return nil
}

func (s *StepContext) CheckHeader(key, want string) error {
	if got := s.latestHeader.Get(key); got != want {
		return fmt.Errorf("expected header %s to be %q, got %q", key, want, got)
	}
	return nil
}
