// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the MQTT conventions shared by devices and the hub simulator

A device connects with its device id as client id and talks to the hub on these topics:

	devices/{device_id}/messages/events/{property bag}            telemetry, device to cloud
	$iothub/twin/GET/?$rid={rid}                                    request the full twin
	$iothub/twin/PATCH/properties/reported/?$rid={rid}              patch reported properties
	$iothub/twin/res/{status}/?$rid={rid}[&$version={version}]      response to the above
	$iothub/twin/PATCH/properties/desired/?$version={version}       desired properties push

The property bag is a list of url-encoded key=value pairs separated by '&', carrying the
system properties $.mid (message id), $.ct (content type) and $.ce (content encoding) as
well as application properties.

The subpackages implement a local simulator of the cloud side: a provisioning service
(credentials), a device registry, a twin store with a RESTful api (twin), an MQTT broker (mqtt)
and telemetry routing (routing). The twin api only needs a message publisher to push desired
properties to devices. The broker satisfies this interface, hence broker and api work together well.

*/
package iot
