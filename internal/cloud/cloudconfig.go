package cloud

import (
	"bytes"
	"fmt"
	"text/template"
)

var cloudConfigTemplate = template.Must(template.New("cloud-config").Parse(`#cloud-config
ssh_pwauth: no
users:
  - name: {{.Username}}
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
    ssh_authorized_keys:
      - "{{.PublicKey}}"
`))

// CloudConfig renders user data creating a passwordless sudo user that
// logs in with publicKey. Providers whose images have no default login user
// pass it at launch.
func CloudConfig(username, publicKey string) (string, error) {
	if username == "" || publicKey == "" {
		return "", fmt.Errorf("cloud-config needs a username and a public key")
	}

	var buf bytes.Buffer
	err := cloudConfigTemplate.Execute(&buf, struct {
		Username  string
		PublicKey string
	}{username, publicKey})
	if err != nil {
		return "", fmt.Errorf("failed to execute cloud-config template: %w", err)
	}
	return buf.String(), nil
}
