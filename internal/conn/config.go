package conn

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/microsoft/go-mssqldb/msdsn"
)

const DefaultPort = "1433"

// Config holds the SQL Server endpoint and credentials.
type Config struct {
	Host     string
	Port     string
	Instance string
	Database string
	User     string
	Password string
	Encrypt  string // disable, false, true
	Timeout  time.Duration
}

func (c Config) port() string {
	if c.Port == "" {
		return DefaultPort
	}
	return c.Port
}

// DSN renders the sqlserver:// URL understood by go-mssqldb.
func (c Config) DSN() string {
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("app name", "mssql-writer")
	if c.Encrypt != "" {
		q.Set("encrypt", c.Encrypt)
	}
	if c.Timeout > 0 {
		q.Set("connection timeout", fmt.Sprintf("%d", int(c.Timeout.Seconds())))
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.port()),
		RawQuery: q.Encode(),
	}
	if c.Instance != "" {
		u.Path = c.Instance
	}
	return u.String()
}

// Validate checks the required fields and that the driver accepts the DSN.
// Errors never include the DSN itself.
func (c Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("db.host is required")
	case c.Database == "":
		return fmt.Errorf("db.database is required")
	case c.User == "":
		return fmt.Errorf("db.user is required")
	}
	if _, err := msdsn.Parse(c.DSN()); err != nil {
		return fmt.Errorf("invalid connection settings for host %s", c.Host)
	}
	return nil
}

// BCPServer is the -S argument of bcp: host[\instance],port.
func (c Config) BCPServer() string {
	s := c.Host
	if c.Instance != "" {
		s += `\` + c.Instance
	}
	return s + "," + c.port()
}

// String is safe to log.
func (c Config) String() string {
	return fmt.Sprintf("%s@%s/%s", c.User, c.BCPServer(), c.Database)
}
