package capture

import "github.com/lanikai/alohacapture/internal/logging"

var log = logging.DefaultLogger.WithTag("capture")
