package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	c := DefaultConfig()
	assert.Equal(DefaultAuthority, c.Authority)
	assert.Equal(DefaultScope, c.Scope)
	assert.Equal(ResponseTypeCode, c.ResponseType)
	assert.Empty(c.ClientID)
	assert.Empty(c.ClientSecret)
	assert.Empty(c.RedirectURI)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			Authority:    "https://idp.example/oidc",
			ClientID:     "c1",
			ClientSecret: "s1",
			RedirectURI:  "https://app/cb",
			Scope:        "openid profile",
			ResponseType: "code",
		}
	}
	tests := []struct {
		name      string
		config    func() *Config
		wantErr   bool
		wantIsErr error
	}{
		{
			name:   "valid",
			config: valid,
		},
		{
			name: "missing-client-id",
			config: func() *Config {
				c := valid()
				c.ClientID = ""
				return c
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "missing-client-secret",
			config: func() *Config {
				c := valid()
				c.ClientSecret = ""
				return c
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "missing-redirect-uri",
			config: func() *Config {
				c := valid()
				c.RedirectURI = ""
				return c
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "empty-authority",
			config: func() *Config {
				c := valid()
				c.Authority = ""
				return c
			},
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
		{
			name: "non-http-authority",
			config: func() *Config {
				c := valid()
				c.Authority = "ldap://idp.example"
				return c
			},
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			err := tt.config().Validate()
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted %q but got %q", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
		})
	}
	t.Run("all-violations-reported", func(t *testing.T) {
		require := require.New(t)
		err := (&Config{Authority: DefaultAuthority}).Validate()
		require.Error(err)
		require.Contains(err.Error(), "client id is empty")
		require.Contains(err.Error(), "client secret is empty")
		require.Contains(err.Error(), "redirect URI is empty")
	})
	t.Run("nil-config", func(t *testing.T) {
		var c *Config
		require.ErrorIs(t, c.Validate(), ErrNilParameter)
	})
}

func TestConfig_Normalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		scope string
		want  string
	}{
		{"already-normal", "openid profile", "openid profile"},
		{"extra-spaces", "openid  profile ", "openid profile"},
		{"tabs-and-newlines", "openid\tprofile\nemail", "openid profile email"},
		{"empty", "", ""},
		{"only-spaces", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{Scope: tt.scope}
			c.Normalize()
			assert.Equal(t, tt.want, c.Scope)
		})
	}
}

func TestConfig_SetField(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	c := DefaultConfig()
	require.NoError(c.SetField("client_id", "c1"))
	require.NoError(c.SetField("client_secret", "s1"))
	require.NoError(c.SetField("redirect_uri", "https://app/cb"))
	require.NoError(c.SetField("authority", "https://idp.example/oidc"))

	assert.Equal("c1", c.ClientID)
	assert.Equal(ClientSecret("s1"), c.ClientSecret)
	assert.Equal("https://app/cb", c.RedirectURI)
	assert.Equal("https://idp.example/oidc", c.Authority)
	// untouched fields keep their values
	assert.Equal(DefaultScope, c.Scope)
	assert.Equal(ResponseTypeCode, c.ResponseType)

	err := c.SetField("issuer", "nope")
	require.Error(err)
	assert.ErrorIs(err, ErrInvalidParameter)
}

func TestClientSecret_Redaction(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	secret := ClientSecret("super-secret")

	assert.Equal(RedactedClientSecret, secret.String())
	assert.Equal(RedactedClientSecret, fmt.Sprintf("%s", secret))
	assert.Equal(RedactedClientSecret, fmt.Sprintf("%v", secret))

	// the durable replica must round-trip the real value
	c := &Config{ClientSecret: secret}
	raw, err := json.Marshal(c)
	require.NoError(err)
	assert.Contains(string(raw), "super-secret")

	var got Config
	require.NoError(json.Unmarshal(raw, &got))
	assert.Equal(secret, got.ClientSecret)
}

func TestConfig_PersistRoundTrip(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c := &Config{
		Authority:    "https://idp.example/oidc",
		ClientID:     "c1",
		ClientSecret: "s1",
		RedirectURI:  "https://app/cb",
		Scope:        "openid  profile ",
		ResponseType: "code",
	}
	c.Normalize()
	raw, err := json.Marshal(c)
	require.NoError(err)

	restored := DefaultConfig()
	require.NoError(json.Unmarshal(raw, restored))
	assert.Equal(c, restored)
	assert.Equal("openid profile", restored.Scope)
}
