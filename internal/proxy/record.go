package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Record is one egress route. Health state lives in the Pool, not here.
type Record struct {
	Scheme   string // http, https, socks5
	Host     string
	Port     int
	Username string
	Password string
}

// Key identifies the route independently of its credentials.
func (r Record) Key() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// URL renders the route in the form tls-client and chrome accept.
func (r Record) URL() string {
	u := url.URL{Scheme: r.scheme(), Host: r.Key()}
	if r.Username != "" {
		u.User = url.UserPassword(r.Username, r.Password)
	}
	return u.String()
}

// Server is URL without credentials, for --proxy-server.
func (r Record) Server() string {
	return r.scheme() + "://" + r.Key()
}

func (r Record) HasCredentials() bool { return r.Username != "" }

func (r Record) String() string { return r.Key() }

func (r Record) scheme() string {
	if r.Scheme == "" {
		return "http"
	}
	return r.Scheme
}

// Parse accepts "scheme://[user:pass@]host:port" or the colon form
// "host:port[:user:pass]".
func Parse(line string) (Record, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Record{}, fmt.Errorf("empty proxy entry")
	}
	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return Record{}, fmt.Errorf("proxy %q: %w", line, err)
		}
		port, err := strconv.Atoi(u.Port())
		if err != nil || u.Hostname() == "" {
			return Record{}, fmt.Errorf("proxy %q: need host:port", line)
		}
		rec := Record{Scheme: u.Scheme, Host: u.Hostname(), Port: port}
		if u.User != nil {
			rec.Username = u.User.Username()
			rec.Password, _ = u.User.Password()
		}
		return rec, nil
	}

	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Record{}, fmt.Errorf("proxy %q: want host:port or host:port:user:pass", line)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return Record{}, fmt.Errorf("proxy %q: bad port", line)
	}
	rec := Record{Host: parts[0], Port: port}
	if len(parts) == 4 {
		rec.Username, rec.Password = parts[2], parts[3]
	}
	return rec, nil
}

// ParseList parses entries, skipping blanks and # comments. Duplicate keys keep the first entry.
func ParseList(lines []string) ([]Record, error) {
	var out []Record
	seen := map[string]bool{}
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if seen[rec.Key()] {
			continue
		}
		seen[rec.Key()] = true
		out = append(out, rec)
	}
	return out, nil
}

// LoadFile reads a proxy list file. A missing file yields an empty list.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open proxy list: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	return ParseList(lines)
}
