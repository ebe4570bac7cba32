package v4l2

import "github.com/lanikai/alohacapture/internal/logging"

var log = logging.DefaultLogger.WithTag("v4l2")
