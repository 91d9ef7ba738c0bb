// Command relay is the command-line front end for the relay broker.
//
// It runs workers ("relay worker"), sends one-off requests ("relay submit"),
// inspects or drains channels ("relay queue"), and manages the TOML
// configuration file ("relay config").
package main
