// Package xff resolves the real client address behind trusted reverse
// proxies. Node and feed connections commonly arrive through a load
// balancer, and the aggregator keys location lookups on the node IP, so
// X-Forwarded-For handling has to happen before any handler runs.
package xff

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/packethost/xff"
	"github.com/pkg/errors"
)

// Parse parses a string of comma separated trusted proxies. A trusted proxy
// can be a CIDR or an IP. IPs are converted to CIDR notation with /32 or
// /128 for IPv4 and IPv6 respectively.
//
// Parse formats proxies appropriate for use with Middleware.
func Parse(trustedProxies string) ([]string, error) {
	var result []string

	for _, cidr := range strings.Split(trustedProxies, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}

		if _, _, err := net.ParseCIDR(cidr); err == nil {
			result = append(result, cidr)
			continue
		}

		// Not a CIDR, but maybe an IP.
		if ip := net.ParseIP(cidr); ip != nil {
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}

			result = append(result, cidr)
			continue
		}

		return nil, fmt.Errorf("invalid cidr or ip: %v", cidr)
	}

	return result, nil
}

// Middleware creates a gin middleware that replaces http.Request.RemoteAddr
// with the X-Forwarded-For address when the request arrives from one of
// allowedSubnets. With no allowed subnets the middleware is a no-op and
// RemoteAddr is always the peer address.
//
// allowedSubnets is a slice of CIDR blocks. Individual IPs should be
// formatted with /32 or /128 for IPv4 and IPv6 respectively.
func Middleware(allowedSubnets []string) (gin.HandlerFunc, error) {
	if len(allowedSubnets) == 0 {
		return func(*gin.Context) {}, nil
	}

	xffmw, err := xff.New(xff.Options{AllowedSubnets: allowedSubnets})
	if err != nil {
		return nil, errors.Errorf("create forward for handler: %v", err)
	}

	return func(ctx *gin.Context) {
		// The xff handler mutates RemoteAddr on the request it passes down;
		// capture the rewritten request for the rest of the chain.
		xffmw.Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			ctx.Request = r
		})).ServeHTTP(ctx.Writer, ctx.Request)

		ctx.Next()
	}, nil
}

// MiddlewareFromUnparsed is a convenience for Middleware(Parse(proxies)).
func MiddlewareFromUnparsed(trustedProxies string) (gin.HandlerFunc, error) {
	allowedSubnets, err := Parse(trustedProxies)
	if err != nil {
		return nil, err
	}

	return Middleware(allowedSubnets)
}
