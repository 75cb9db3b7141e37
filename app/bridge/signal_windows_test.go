//go:build windows

package bridge

import "os"

func nilSignal() os.Signal { return os.Kill }
