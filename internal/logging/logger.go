package logging

import (
	"log"
	"os"
)

var (
	Provider = log.New(os.Stdout, "[provider] ", log.LstdFlags)
	LNURL    = log.New(os.Stdout, "[lnurl] ", log.LstdFlags)
	Export   = log.New(os.Stdout, "[export] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
)
