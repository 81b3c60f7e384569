package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": ["stun:stun.example.com:3478"]
	  },
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"],
	    "username": "user",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}

	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SupportsSingleStringURLs(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": "stun:stun.example.com:3478"
	  }
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected urls: %#v", got)
	}
}

func TestParseICEServersJSON_RejectsTURNWithoutCreds(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"]
	  }
	]`

	if _, err := ParseICEServersJSON(raw); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseICEServersJSON_RejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	raw := `[{"urls": ["https://relay.example.com"]}]`
	if _, err := ParseICEServersJSON(raw); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseICEServersJSON_RejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"{not json",
		`[{"urls": []}]`,
		`[{"urls": [""]}]`,
	} {
		if _, err := ParseICEServersJSON(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestFallbackICEServers(t *testing.T) {
	t.Parallel()

	servers := FallbackICEServers()
	if len(servers) == 0 {
		t.Fatal("expected at least one fallback server")
	}
	for _, server := range servers {
		if err := ValidateICEServer(server); err != nil {
			t.Fatalf("fallback server invalid: %v", err)
		}
	}
}
