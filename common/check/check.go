package check

import "log"

func PanicIfErr(err error) {
	if err != nil {
		log.Panicf("unexpected error: %v", err)
	}
}

func PanicIfNot(cond bool) {
	if !cond {
		log.Panic("assertion failed")
	}
}

func PanicIff(cond bool, format string, args ...any) {
	if cond {
		log.Panicf(format, args...)
	}
}
