package models

// Origin records who sent an instance and through which channel
type Origin struct {
	RequestOrigin RequestOrigin `json:"RequestOrigin"`
	RemoteIP      string        `json:"RemoteIp,omitempty"`
	RemoteAET     string        `json:"RemoteAet,omitempty"`
	CalledAET     string        `json:"CalledAet,omitempty"`
	HTTPUsername  string        `json:"Username,omitempty"`
}

// RemoteAETOrDefault returns the AET reported in metadata
func (o Origin) RemoteAETOrDefault() string {
	if o.RequestOrigin == OriginDicomProtocol {
		return o.RemoteAET
	}
	return ""
}
