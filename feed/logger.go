package feed

import (
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// nsqdLogger is a helper that wraps the log messages emitted by the embedded
// NSQ daemon into log messages native to this project.
type nsqdLogger struct {
	logger log.Logger
}

// Output implements the lg.Logger interface used by NSQ.
func (l *nsqdLogger) Output(maxdepth int, s string) error {
	// Split off the log level tag
	level := strings.Split(s, " ")[0]
	s = s[len(level)+1:]

	// Split off the module tag if the message carries one
	module := strings.Split(s, " ")[0]
	if len(module) > 0 && module[len(module)-1] == ':' {
		module, s = module[:len(module)-1], s[len(module)+1:]
	} else {
		module = "" // not a tagged log
	}
	logger := l.logger
	if module != "" {
		logger = l.logger.New("module", strings.ToLower(module))
	}
	switch level {
	case "DEBUG:":
		logger.Trace("Feed server emitted log", "msg", s)
	case "INFO:":
		logger.Debug("Feed server emitted log", "msg", s)
	case "WARNING:":
		logger.Warn("Feed server emitted log", "msg", s)
	case "ERROR:":
		logger.Error("Feed server emitted log", "msg", s)
	default:
		logger.Error("Feed server emitted unknown log", "msg", s)
	}
	return nil
}

// nsqClientLogger is a helper that wraps the log messages emitted by the NSQ
// producer and consumer clients into log messages native to this project.
type nsqClientLogger struct {
	logger log.Logger
	what   string // Message to report the wrapped logs under
}

// Output implements the lg.Logger interface used by NSQ.
func (l *nsqClientLogger) Output(maxdepth int, s string) error {
	// Split off the log level and the connection identifiers. Producers tag
	// their peer with parens, consumers with brackets, trim both.
	level := s[:3]
	s = strings.TrimSpace(s[3:])

	id := strings.Split(s, " ")[0]
	s = s[len(id)+1:]

	peer := strings.Trim(strings.Split(s, " ")[0], "()[]")
	s = s[len(peer)+2+1:]

	logger := l.logger.New("id", id, "peer", peer)
	switch level {
	case "DBG":
		logger.Trace(l.what, "msg", s)
	case "INF":
		logger.Debug(l.what, "msg", s)
	case "ERR":
		logger.Error(l.what, "msg", s)
	default:
		logger.Error(l.what, "level", level, "msg", s)
	}
	return nil
}
