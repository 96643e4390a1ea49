package common

// ServiceFlags are the command-line overrides shared by the service
// binaries. Empty values leave the configuration untouched.
type ServiceFlags struct {
	// FromFile is set when the configuration was read from a file, so
	// flag defaults do not override it.
	FromFile     bool
	Addr         string
	AddrExplicit bool

	ID             string
	DefaultID      string
	APIKey         string
	PublicURL      string
	DirectoryURL   string
	LedgerURL      string
	CoordinatorURL string
}

// ApplyServiceFlags copies explicit flags into cfg. A ledger URL points
// the ledger, the blob store and (unless set) the directory at one host.
func ApplyServiceFlags(cfg *Config, f ServiceFlags) {
	if f.AddrExplicit || !f.FromFile || cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = f.Addr
	}
	if f.ID != "" {
		cfg.ID = f.ID
	} else if cfg.ID == "" {
		cfg.ID = f.DefaultID
	}
	if f.APIKey != "" {
		cfg.APIKey = f.APIKey
	}
	if f.PublicURL != "" {
		cfg.PublicURL = f.PublicURL
	}
	if f.LedgerURL != "" {
		cfg.Ledger.Backend = LedgerHTTP
		cfg.Ledger.URL = f.LedgerURL
		cfg.Blobs = BlobStoreConfig{Backend: BlobsHTTP, URL: f.LedgerURL}
		if cfg.DirectoryURL == "" {
			cfg.DirectoryURL = f.LedgerURL
		}
	}
	if f.DirectoryURL != "" {
		cfg.DirectoryURL = f.DirectoryURL
	}
	if f.CoordinatorURL != "" {
		cfg.CoordinatorURL = f.CoordinatorURL
	}
}
