package cache

import "fmt"

func RateLimitKey(clientIP string) string {
	return fmt.Sprintf("ratelimit:%s", clientIP)
}

func UsedDepositKey(txSig string) string {
	return fmt.Sprintf("deposit:%s", txSig)
}
