package smb

import (
	"fmt"
	"strconv"

	"github.com/dtool-go/dtool/configuration"
)

// Parameters holds everything needed to reach the share an SMB dataset
// lives on. All fields are required; there are no usable defaults for any
// of them.
type Parameters struct {
	Username    string
	Password    string
	ServerName  string
	ServerPort  int
	Domain      string
	ServiceName string // the name of the share
	Path        string // base directory on the share holding the datasets
}

// ParametersFromConfig resolves the connection parameters for the named
// account from DTOOL_SMB_<FIELD>_<account> configuration keys. A missing
// key fails with configuration.MissingKeyError naming the exact key to
// set.
func ParametersFromConfig(cfg *configuration.Config, account string) (Parameters, error) {
	var p Parameters
	var err error

	if p.Username, err = cfg.Require("DTOOL_SMB_USERNAME_"+account, account); err != nil {
		return Parameters{}, err
	}
	if p.Password, err = cfg.Require("DTOOL_SMB_PASSWORD_"+account, account); err != nil {
		return Parameters{}, err
	}
	if p.ServerName, err = cfg.Require("DTOOL_SMB_SERVER_NAME_"+account, account); err != nil {
		return Parameters{}, err
	}
	port, err := cfg.Require("DTOOL_SMB_SERVER_PORT_"+account, account)
	if err != nil {
		return Parameters{}, err
	}
	if p.ServerPort, err = strconv.Atoi(port); err != nil {
		return Parameters{}, fmt.Errorf("DTOOL_SMB_SERVER_PORT_%s is not a port number: %q", account, port)
	}
	if p.Domain, err = cfg.Require("DTOOL_SMB_DOMAIN_"+account, account); err != nil {
		return Parameters{}, err
	}
	if p.ServiceName, err = cfg.Require("DTOOL_SMB_SERVICE_NAME_"+account, account); err != nil {
		return Parameters{}, err
	}
	if p.Path, err = cfg.Require("DTOOL_SMB_PATH_"+account, account); err != nil {
		return Parameters{}, err
	}
	return p, nil
}
