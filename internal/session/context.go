package session

import (
	"fmt"

	"github.com/matheus3301/pulse/internal/config"
)

// Context is the authenticated identity handed to every component that
// needs to know who the local user is.
type Context struct {
	Name        string
	UserID      int64
	Token       string
	DisplayName string
}

// New builds the Context for session name from cfg.
func New(name string, cfg *config.Config) (Context, error) {
	c := Context{
		Name:        name,
		UserID:      cfg.UserID,
		Token:       cfg.APIToken,
		DisplayName: cfg.DisplayName,
	}
	return c, c.Validate()
}

// Validate reports a Context that cannot authenticate.
func (c Context) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if c.UserID <= 0 {
		return fmt.Errorf("session %s: user_id is required", c.Name)
	}
	if c.Token == "" {
		return fmt.Errorf("session %s: api_token is required", c.Name)
	}
	return nil
}
