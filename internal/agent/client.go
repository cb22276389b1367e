package agent

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/projectdiscovery/fastdialer/fastdialer"
	"github.com/projectdiscovery/retryablehttp-go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
	"golang.org/x/net/http/httpproxy"
)

// Clients bundles the three HTTP stacks C1/C3/C4 need: a fasthttp client for
// streaming arbitrary target responses, a retryablehttp client for the
// control-plane GETs, and a plain net/http client for control-plane POSTs and
// object-storage PUTs, grounded on the teacher's rawhttp.Client
// construction (dialer wrapping, TLS toggle, proxy config via
// golang.org/x/net/http/httpproxy).
type Clients struct {
	Target  *fasthttp.Client
	Control *retryablehttp.Client
	Upload  *http.Client
}

// ClientOptions mirrors the subset of spec §6 that affects transport
// construction; everything else (headers, body) is per-request.
type ClientOptions struct {
	VerifyCert     bool
	InwardProxy    string // used when dialing the target (task) URL
	OutgoingProxy  string // used when dialing the control plane
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// NewClients builds the target, control-plane and upload clients per spec §6.2/§6.3.
func NewClients(opts ClientOptions) *Clients {
	return &Clients{
		Target:  newTargetClient(opts),
		Control: newControlClient(opts),
		Upload:  newUploadClient(opts),
	}
}

// newTargetClient builds the fasthttp client C3 uses to talk to the task's
// URL. DNS is cached via fastdialer (the teacher's own dialer.go sketches
// this but never wires a real cache; fastdialer is the pack's library for
// it, see SPEC_FULL.md §11); proxying, when inwardProxy is set, goes through
// fasthttpproxy the same way the teacher's rawhttp.Client does.
func newTargetClient(opts ClientOptions) *fasthttp.Client {
	fd, err := fastdialer.NewDialer(fastdialer.DefaultOptions)
	if err != nil {
		fd = nil
	}

	dial := func(addr string) (net.Conn, error) {
		if fd != nil {
			return fd.Dial(context.Background(), "tcp", addr)
		}
		return fasthttp.Dial(addr)
	}

	if opts.InwardProxy != "" {
		proxyDialer := fasthttpproxy.Dialer{
			TCPDialer: fasthttp.TCPDialer{
				Concurrency:      2048,
				DNSCacheDuration: time.Hour,
			},
			Config: httpproxy.Config{
				HTTPProxy:  opts.InwardProxy,
				HTTPSProxy: opts.InwardProxy,
				NoProxy:    "",
			},
			ConnectTimeout: 5 * time.Second,
		}
		if df, err := proxyDialer.GetDialFunc(false); err == nil {
			dial = func(addr string) (net.Conn, error) {
				return df(addr)
			}
		}
	}

	return &fasthttp.Client{
		Dial:                          dial,
		MaxConnsPerHost:               128,
		MaxIdleConnDuration:           30 * time.Second,
		DisableHeaderNamesNormalizing: true,
		NoDefaultUserAgentHeader:      true,
		ReadTimeout:                   opts.RequestTimeout,
		WriteTimeout:                  opts.RequestTimeout,
		// StreamResponseBody keeps the target's body off the heap until C3
		// actually reads it via resp.BodyStream() — spec §1/§4.3's streaming
		// contract falls apart without this, since fasthttp otherwise buffers
		// the whole response before DoTimeout returns.
		StreamResponseBody: true,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: !opts.VerifyCert,
		},
	}
}

// newControlClient builds the retryablehttp client C1/C4 use for the
// control-plane GETs (get-task and upload-url). Its own retries are disabled,
// so each of those calls is a single attempt; the retry loop for
// put-result/upload-result is retryPost in uploader.go, which runs over the
// Upload client instead.
func newControlClient(opts ClientOptions) *retryablehttp.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !opts.VerifyCert},
		DialContext: (&net.Dialer{
			Timeout: opts.DialTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 32,
	}
	if opts.OutgoingProxy != "" {
		if proxyURL, err := url.Parse(opts.OutgoingProxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   opts.RequestTimeout,
	}

	return retryablehttp.NewClient(retryablehttp.Options{
		RetryMax:     0, // no retries on this client; see retryPost in uploader.go
		RetryWaitMin: 0,
		RetryWaitMax: 0,
		Timeout:      opts.RequestTimeout,
		KillIdleConn: false,
		HttpClient:   httpClient,
	})
}

// newUploadClient is a plain client used both for control-plane POSTs
// (put-result/upload-result/upload-logs) and for PUTting bodies to
// pre-signed object storage URLs. The source routes every one of these
// through outgoing_proxy, including the S3 PUT itself
// (original_source/web-agent/app/workerV2.py upload_file_s3/post_task_response),
// so this client honors outgoingProxy the same way newControlClient does.
// Retry classification beyond that is driven explicitly by uploader.go.
func newUploadClient(opts ClientOptions) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !opts.VerifyCert},
		DialContext: (&net.Dialer{
			Timeout: opts.DialTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 32,
	}
	if opts.OutgoingProxy != "" {
		if proxyURL, err := url.Parse(opts.OutgoingProxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   opts.RequestTimeout,
	}
}
