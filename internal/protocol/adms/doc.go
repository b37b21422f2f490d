// Package adms implements the ADMS ("iclock") text push protocol.
//
// Terminals poll a fixed set of endpoints below /iclock/, identifying
// themselves with the SN query parameter:
//
//	GET  /iclock/cdata?SN=..              options handshake
//	POST /iclock/cdata?SN=..&table=ATTLOG attendance upload
//	POST /iclock/cdata?SN=..&table=OPERLOG user and fingerprint upload
//	GET  /iclock/getrequest?SN=..         command poll
//	POST /iclock/devicecmd?SN=..          command results
//
// Every other endpoint, including ping, is answered with OK.
package adms
