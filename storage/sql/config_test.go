package sql

import (
	"strings"
	"testing"
)

func TestCreateDataSourceName(t *testing.T) {
	p := &Postgres{
		NetworkDB: NetworkDB{
			Database:          "darkauth",
			User:              "darkauth",
			Password:          "p@ss'word",
			Host:              "localhost",
			Port:              5432,
			ConnectionTimeout: 5,
		},
	}
	dsn := p.createDataSourceName()

	wantContains := []string{
		"connect_timeout=5",
		"host='localhost'",
		"port=5432",
		"user='darkauth'",
		`password='p@ss\'word'`,
		"dbname='darkauth'",
		"sslmode='verify-full'",
	}
	for _, want := range wantContains {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing fragment %q", dsn, want)
		}
	}
}

func TestCreateDataSourceNameCustomSSL(t *testing.T) {
	p := &Postgres{
		NetworkDB: NetworkDB{Host: "db.internal", Port: 5433},
		SSL:       SSL{Mode: "require"},
	}
	dsn := p.createDataSourceName()
	if !strings.Contains(dsn, "sslmode='require'") {
		t.Errorf("dsn %q missing custom sslmode", dsn)
	}
}
