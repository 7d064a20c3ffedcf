package discovery

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ONVIFClient speaks the subset of the ONVIF device and media services the
// scanner needs: identification, capabilities, media profiles and stream
// URIs. Authentication is the WS-UsernameToken password digest.
type ONVIFClient struct {
	BaseURL  string
	Username string
	Password string
	HTTP     *http.Client
}

func NewONVIFClient(xaddr, username, password string) *ONVIFClient {
	return &ONVIFClient{
		BaseURL:  xaddr,
		Username: username,
		Password: password,
		HTTP:     &http.Client{Timeout: 2 * time.Second},
	}
}

// DeviceInformation is the GetDeviceInformation response.
type DeviceInformation struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
}

func (c *ONVIFClient) GetDeviceInformation(ctx context.Context) (*DeviceInformation, error) {
	resp, err := c.do(ctx, `<tds:GetDeviceInformation xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/>`)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			GetDeviceInformationResponse DeviceInformation `xml:"GetDeviceInformationResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	return &parsed.Body.GetDeviceInformationResponse, nil
}

// GetCapabilities reports feature flags and the media service address.
func (c *ONVIFClient) GetCapabilities(ctx context.Context) (map[string]bool, string, error) {
	resp, err := c.do(ctx, `<tds:GetCapabilities xmlns:tds="http://www.onvif.org/ver10/device/wsdl">
		<tds:Category>All</tds:Category>
	</tds:GetCapabilities>`)
	if err != nil {
		return nil, "", err
	}

	var caps struct {
		Body struct {
			GetCapabilitiesResponse struct {
				Capabilities struct {
					Media struct {
						XAddr string `xml:"XAddr"`
					} `xml:"Media"`
					Events struct {
						XAddr string `xml:"XAddr"`
					} `xml:"Events"`
				} `xml:"Capabilities"`
			} `xml:"GetCapabilitiesResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &caps); err != nil {
		return nil, "", err
	}

	features := make(map[string]bool)
	mediaXAddr := caps.Body.GetCapabilitiesResponse.Capabilities.Media.XAddr
	if mediaXAddr != "" {
		features["Media"] = true
	}
	if caps.Body.GetCapabilitiesResponse.Capabilities.Events.XAddr != "" {
		features["Events"] = true
	}
	return features, mediaXAddr, nil
}

// MediaProfile is one configured stream profile.
type MediaProfile struct {
	Name                      string `xml:"Name"`
	Token                     string `xml:"token,attr"`
	VideoEncoderConfiguration struct {
		Encoding   string
		Resolution struct {
			Width  int
			Height int
		}
	}
}

func (c *ONVIFClient) GetProfiles(ctx context.Context, mediaURI string) ([]MediaProfile, error) {
	resp, err := c.mediaClient(mediaURI).do(ctx, `<trt:GetProfiles xmlns:trt="http://www.onvif.org/ver10/media/wsdl"/>`)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			GetProfilesResponse struct {
				Profiles []MediaProfile `xml:"Profiles"`
			} `xml:"GetProfilesResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	return parsed.Body.GetProfilesResponse.Profiles, nil
}

func (c *ONVIFClient) GetStreamURI(ctx context.Context, mediaURI, token string) (string, error) {
	reqBody := fmt.Sprintf(`<trt:GetStreamUri xmlns:trt="http://www.onvif.org/ver10/media/wsdl">
		<trt:StreamSetup>
			<trt:Stream xmlns:tt="http://www.onvif.org/ver10/schema">tt:RTP-Unicast</trt:Stream>
			<trt:Transport xmlns:tt="http://www.onvif.org/ver10/schema">
				<tt:Protocol>tt:RTSP</tt:Protocol>
			</trt:Transport>
		</trt:StreamSetup>
		<trt:ProfileToken>%s</trt:ProfileToken>
	</trt:GetStreamUri>`, token)

	resp, err := c.mediaClient(mediaURI).do(ctx, reqBody)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Body struct {
			GetStreamUriResponse struct {
				MediaUri struct {
					Uri string `xml:"Uri"`
				} `xml:"MediaUri"`
			} `xml:"GetStreamUriResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return "", err
	}
	return parsed.Body.GetStreamUriResponse.MediaUri.Uri, nil
}

// mediaClient returns a client pointed at the media service when its address
// differs from the device service.
func (c *ONVIFClient) mediaClient(mediaURI string) *ONVIFClient {
	if mediaURI == "" || mediaURI == c.BaseURL {
		return c
	}
	mc := NewONVIFClient(mediaURI, c.Username, c.Password)
	mc.HTTP = c.HTTP
	return mc
}

// do executes one SOAP call with the security header attached.
func (c *ONVIFClient) do(ctx context.Context, bodyInner string) ([]byte, error) {
	envelope := `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
	<s:Header>%s</s:Header>
	<s:Body>%s</s:Body>
</s:Envelope>`
	payload := fmt.Sprintf(envelope, c.securityHeader(), bodyInner)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewBufferString(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action=""`)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fault, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("onvif error %d: %s", resp.StatusCode, string(fault))
	}
	return io.ReadAll(resp.Body)
}

func (c *ONVIFClient) securityHeader() string {
	if c.Username == "" {
		return ""
	}
	nonce := fmt.Sprintf("%d", time.Now().UnixNano())
	created := time.Now().UTC().Format(time.RFC3339)
	digest := passwordDigest(nonce, created, c.Password)

	return fmt.Sprintf(`<Security xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
		<UsernameToken>
			<Username>%s</Username>
			<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
			<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
			<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
		</UsernameToken>
	</Security>`, c.Username, digest, base64.StdEncoding.EncodeToString([]byte(nonce)), created)
}

// passwordDigest is Base64(SHA1(nonce + created + password)).
func passwordDigest(nonce, created, password string) string {
	h := sha1.New()
	h.Write([]byte(nonce))
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
